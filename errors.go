package revdb

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"syscall"

	"go.etcd.io/bbolt"
)

// ErrorDomain says which layer an error code belongs to.
type ErrorDomain int

const (
	EngineDomain ErrorDomain = iota + 1
	StorageDomain
	POSIXDomain
	HTTPDomain
)

func (d ErrorDomain) String() string {
	switch d {
	case EngineDomain:
		return "engine"
	case StorageDomain:
		return "storage"
	case POSIXDomain:
		return "posix"
	case HTTPDomain:
		return "http"
	default:
		return fmt.Sprintf("domain%d", int(d))
	}
}

// Engine domain codes.
const (
	CodeNotFound = iota + 1
	CodeConflict
	CodeNotInTransaction
	CodeTransactionOpen
	CodeBusy
	CodeInvalidEncoding
	CodeVersionMismatch
	CodeWrongEncryptionKey
	CodeIO
	CodeReadOnly
	CodeBadRevisionID
	CodeClosed
	CodeInvalidParameter
)

// Storage domain codes, produced when translating bbolt errors.
const (
	StorageCodeTimeout = iota + 1
	StorageCodeReadOnly
	StorageCodeInvalid
	StorageCodeVersionMismatch
	StorageCodeChecksum
	StorageCodeKeyNotFound
	StorageCodeOther
)

// Error is the structured error returned by every fallible operation.
// Callers branch on Domain and Code, usually through errors.Is against
// one of the Err* sentinels.
type Error struct {
	Domain ErrorDomain
	Code   int
	Msg    string
	Err    error
}

var (
	ErrNotFound           = &Error{Domain: EngineDomain, Code: CodeNotFound, Msg: "not found"}
	ErrConflict           = &Error{Domain: EngineDomain, Code: CodeConflict, Msg: "conflict"}
	ErrNotInTransaction   = &Error{Domain: EngineDomain, Code: CodeNotInTransaction, Msg: "not in a transaction"}
	ErrTransactionOpen    = &Error{Domain: EngineDomain, Code: CodeTransactionOpen, Msg: "transaction is open"}
	ErrBusy               = &Error{Domain: EngineDomain, Code: CodeBusy, Msg: "busy"}
	ErrInvalidEncoding    = &Error{Domain: EngineDomain, Code: CodeInvalidEncoding, Msg: "invalid encoding"}
	ErrVersionMismatch    = &Error{Domain: EngineDomain, Code: CodeVersionMismatch, Msg: "version mismatch"}
	ErrWrongEncryptionKey = &Error{Domain: EngineDomain, Code: CodeWrongEncryptionKey, Msg: "wrong encryption key"}
	ErrIO                 = &Error{Domain: EngineDomain, Code: CodeIO, Msg: "I/O error"}
	ErrReadOnly           = &Error{Domain: EngineDomain, Code: CodeReadOnly, Msg: "database is read-only"}
	ErrBadRevisionID      = &Error{Domain: EngineDomain, Code: CodeBadRevisionID, Msg: "bad revision ID"}
	ErrClosed             = &Error{Domain: EngineDomain, Code: CodeClosed, Msg: "closed"}
	ErrInvalidParameter   = &Error{Domain: EngineDomain, Code: CodeInvalidParameter, Msg: "invalid parameter"}
)

func errf(base *Error, err error, format string, args ...any) error {
	return &Error{Domain: base.Domain, Code: base.Code, Msg: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = fmt.Sprintf("%v error %d", e.Domain, e.Code)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same domain and code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Domain == e.Domain && t.Code == e.Code
}

// HTTPStatus renders the error as the closest HTTP status code.
func (e *Error) HTTPStatus() int {
	if e.Domain == HTTPDomain {
		return e.Code
	}
	if e.Domain != EngineDomain {
		return http.StatusInternalServerError
	}
	switch e.Code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeBusy:
		return http.StatusServiceUnavailable
	case CodeWrongEncryptionKey:
		return http.StatusUnauthorized
	case CodeReadOnly:
		return http.StatusForbidden
	case CodeBadRevisionID, CodeInvalidParameter, CodeInvalidEncoding:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// translateErr converts errors coming from bbolt or the OS into *Error.
// Errors that are already *Error pass through.
func translateErr(err error, op string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	switch {
	case errors.Is(err, bbolt.ErrTimeout):
		return &Error{Domain: EngineDomain, Code: CodeBusy, Msg: op, Err: &Error{Domain: StorageDomain, Code: StorageCodeTimeout, Err: err}}
	case errors.Is(err, bbolt.ErrDatabaseReadOnly), errors.Is(err, bbolt.ErrTxNotWritable):
		return &Error{Domain: EngineDomain, Code: CodeReadOnly, Msg: op, Err: &Error{Domain: StorageDomain, Code: StorageCodeReadOnly, Err: err}}
	case errors.Is(err, bbolt.ErrInvalid):
		return &Error{Domain: StorageDomain, Code: StorageCodeInvalid, Msg: op, Err: err}
	case errors.Is(err, bbolt.ErrVersionMismatch):
		return &Error{Domain: StorageDomain, Code: StorageCodeVersionMismatch, Msg: op, Err: err}
	case errors.Is(err, bbolt.ErrChecksum):
		return &Error{Domain: StorageDomain, Code: StorageCodeChecksum, Msg: op, Err: err}
	case errors.Is(err, bbolt.ErrBucketNotFound), errors.Is(err, ErrBucketNotFound):
		return &Error{Domain: StorageDomain, Code: StorageCodeKeyNotFound, Msg: op, Err: err}
	case errors.Is(err, fs.ErrNotExist):
		return &Error{Domain: EngineDomain, Code: CodeNotFound, Msg: op, Err: err}
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return &Error{Domain: POSIXDomain, Code: int(errno), Msg: op, Err: err}
	}
	var pe *os.PathError
	if errors.As(err, &pe) {
		return &Error{Domain: EngineDomain, Code: CodeIO, Msg: op, Err: err}
	}
	return &Error{Domain: StorageDomain, Code: StorageCodeOther, Msg: op, Err: err}
}

// DataError describes bytes that could not be decoded. It unwraps
// to ErrInvalidEncoding when no more specific cause is known.
type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{data, off, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error {
	if e.Err == nil {
		return ErrInvalidEncoding
	}
	return e.Err
}

func (e *DataError) Is(target error) bool {
	return target == ErrInvalidEncoding
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s at %d: %v: (%d) %x", e.Msg, e.Off, e.Err, n, e.Data)
		}
		return fmt.Sprintf("%s at %d: (%d) %x", e.Msg, e.Off, n, e.Data)
	}
	p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
	if e.Err != nil {
		return fmt.Sprintf("%s at %d: %v: (%d) %x...%x", e.Msg, e.Off, e.Err, n, p, s)
	}
	return fmt.Sprintf("%s at %d: (%d) %x...%x", e.Msg, e.Off, n, p, s)
}

// DocError ties an error to the document it happened on.
type DocError struct {
	DocID string
	RevID string
	Msg   string
	Err   error
}

func docErrf(docID, revID string, err error, format string, args ...any) error {
	return &DocError{docID, revID, fmt.Sprintf(format, args...), err}
}

func (e *DocError) Unwrap() error {
	return e.Err
}

func (e *DocError) Error() string {
	s := e.DocID
	if e.RevID != "" {
		s += "@" + e.RevID
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}
