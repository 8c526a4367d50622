// Package apperr описывает типизированные ошибки ядра диспетчеризации.
//
// Каждая операция сервисов возвращает либо nil, либо *Error с конкретным Kind,
// либо инфраструктурную ошибку (БД, брокер), обернутую через %w.
// Ошибки состояния (InvalidState, Expired, Conflict) не повторяются автоматически:
// вызывающая сторона должна перечитать актуальное состояние.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind представляет категорию ошибки
type Kind string

const (
	KindValidation         Kind = "validation"
	KindNotFound           Kind = "not_found"
	KindInvalidState       Kind = "invalid_state"
	KindExpired            Kind = "expired"
	KindConflict           Kind = "conflict"
	KindExternalDependency Kind = "external_dependency"
)

// Reason уточняет причину отказа внешней зависимости
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonDenied      Reason = "denied"
	ReasonUnavailable Reason = "unavailable"
	ReasonTimeout     Reason = "timeout"
)

// Внешние коллабораторы ядра
const (
	CollaboratorGeocoding   = "geocoding"
	CollaboratorPositioning = "positioning"
	CollaboratorAuth        = "auth"
)

// Error представляет ошибку ядра
type Error struct {
	Kind         Kind
	Reason       Reason
	Collaborator string
	Op           string
	Msg          string
	Err          error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Collaborator != "" {
		b.WriteString(" (")
		b.WriteString(e.Collaborator)
		if e.Reason != ReasonNone {
			b.WriteString(", ")
			b.WriteString(string(e.Reason))
		}
		b.WriteString(")")
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is сравнивает по Kind, а для внешних зависимостей еще и по Reason, если он задан в target
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	if t.Reason != ReasonNone && t.Reason != e.Reason {
		return false
	}
	return true
}

// Sentinels для errors.Is
var (
	ErrValidation         = &Error{Kind: KindValidation}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrInvalidState       = &Error{Kind: KindInvalidState}
	ErrExpired            = &Error{Kind: KindExpired}
	ErrConflict           = &Error{Kind: KindConflict}
	ErrExternalDependency = &Error{Kind: KindExternalDependency}

	ErrPositioningDenied = &Error{Kind: KindExternalDependency, Reason: ReasonDenied}
	ErrUnavailable       = &Error{Kind: KindExternalDependency, Reason: ReasonUnavailable}
	ErrTimeout           = &Error{Kind: KindExternalDependency, Reason: ReasonTimeout}
)

func newError(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Validation создает ошибку некорректного ввода
func Validation(op, format string, args ...interface{}) error {
	return newError(KindValidation, op, format, args...)
}

// NotFound создает ошибку отсутствующей сущности
func NotFound(op, format string, args ...interface{}) error {
	return newError(KindNotFound, op, format, args...)
}

// InvalidState создает ошибку недопустимого перехода
func InvalidState(op, format string, args ...interface{}) error {
	return newError(KindInvalidState, op, format, args...)
}

// Expired создает ошибку истекшего окна (оффер, подтверждение)
func Expired(op, format string, args ...interface{}) error {
	return newError(KindExpired, op, format, args...)
}

// Conflict создает ошибку проигранной гонки за запись
func Conflict(op, format string, args ...interface{}) error {
	return newError(KindConflict, op, format, args...)
}

// External создает ошибку внешнего коллаборатора
func External(op, collaborator string, reason Reason, err error) error {
	return &Error{
		Kind:         KindExternalDependency,
		Reason:       reason,
		Collaborator: collaborator,
		Op:           op,
		Err:          err,
	}
}

// GeocodeUnavailable сообщает, что координаты адреса не были получены
func GeocodeUnavailable(op string) error {
	return &Error{
		Kind:         KindExternalDependency,
		Reason:       ReasonUnavailable,
		Collaborator: CollaboratorGeocoding,
		Op:           op,
		Msg:          "geocoded location is missing",
	}
}

// KindOf возвращает Kind ошибки или пустую строку для инфраструктурных ошибок
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// ReasonOf возвращает Reason ошибки внешней зависимости
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ReasonNone
}

// IsStateError сообщает, что ошибка означает устаревшее представление вызывающей стороны
func IsStateError(err error) bool {
	switch KindOf(err) {
	case KindInvalidState, KindExpired, KindConflict:
		return true
	}
	return false
}
