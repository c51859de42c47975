package notebook

// エラーコードです。
const (
	CodeInvalidInput      = "INVALID_INPUT"
	CodeUnsupportedType   = "UNSUPPORTED_TYPE"
	CodeLimitExceeded     = "LIMIT_EXCEEDED"
	CodeInvalidNotebook   = "INVALID_NOTEBOOK"
	CodeConversionFailed  = "CONVERSION_FAILED"
	CodeConversionTimeout = "CONVERSION_TIMEOUT"
	CodeInvalidPDF        = "INVALID_PDF"
)

// Error はクライアントに返せるエラー情報を表します。
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}
