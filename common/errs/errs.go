// Package errs задаёт таксономию ошибок relay-системы.
//
//	TransportError  : ошибка сокета; коннектор переподключается.
//	AuthError       : логин/хэндшейк отклонён; без ретраев.
//	ProtocolError   : неожиданный payload; логируем и отбрасываем.
//	RateLimitError  : только REST; ретрай с задержкой от сервера или экспоненциальной.
//	ExhaustedRetries: терминальная ошибка коннектора.
package errs

import (
	"errors"
	"fmt"
	"time"
)

// TransportError: ошибка уровня сокета (dial, read, write, heartbeat timeout).
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport: %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// AuthError: биржа отклонила логин или подпись.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth: %s: %v", e.Reason, e.Err)
	}
	return "auth: " + e.Reason
}
func (e *AuthError) Unwrap() error { return e.Err }

// ProtocolError: payload не соответствует ожидаемому формату.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: %s: %v", e.Reason, e.Err)
	}
	return "protocol: " + e.Reason
}
func (e *ProtocolError) Unwrap() error { return e.Err }

// RateLimitError: REST-ответ 429. RetryAfter == 0, если сервер не указал задержку.
type RateLimitError struct {
	RetryAfter time.Duration
	Status     int
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (status %d), retry after %s", e.Status, e.RetryAfter)
	}
	return fmt.Sprintf("rate limited (status %d)", e.Status)
}

// ExhaustedRetriesError: коннектор исчерпал попытки переподключения.
type ExhaustedRetriesError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedRetriesError) Error() string {
	return fmt.Sprintf("exhausted retries after %d attempt(s): %v", e.Attempts, e.Last)
}
func (e *ExhaustedRetriesError) Unwrap() error { return e.Last }

// Transport оборачивает err в TransportError.
func Transport(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{Op: op, Err: err}
}

// Protocol создаёт ProtocolError.
func Protocol(reason string, err error) error {
	return &ProtocolError{Reason: reason, Err: err}
}

// Auth создаёт AuthError.
func Auth(reason string, err error) error {
	return &AuthError{Reason: reason, Err: err}
}

func IsTransport(err error) bool {
	var e *TransportError
	return errors.As(err, &e)
}

func IsAuth(err error) bool {
	var e *AuthError
	return errors.As(err, &e)
}

func IsProtocol(err error) bool {
	var e *ProtocolError
	return errors.As(err, &e)
}

// AsRateLimit возвращает RateLimitError из цепочки err.
func AsRateLimit(err error) (*RateLimitError, bool) {
	var e *RateLimitError
	ok := errors.As(err, &e)
	return e, ok
}

func IsExhausted(err error) bool {
	var e *ExhaustedRetriesError
	return errors.As(err, &e)
}
