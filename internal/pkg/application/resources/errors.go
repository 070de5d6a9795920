package resources

import "fmt"

type AlreadyExistsError struct {
	msg string
}

func NewAlreadyExistsError(msg string) AlreadyExistsError {
	return AlreadyExistsError{msg: msg}
}

func (aee AlreadyExistsError) Error() string {
	return aee.msg
}

type BadRequestDataError struct {
	msg string
}

func NewBadRequestDataError(msg string) BadRequestDataError {
	return BadRequestDataError{msg: msg}
}

func (brd BadRequestDataError) Error() string {
	return brd.msg
}

type NotFoundError struct {
	msg string
}

func NewNotFoundError(msg string) NotFoundError {
	return NotFoundError{msg: msg}
}

func (nfe NotFoundError) Error() string {
	return nfe.msg
}

type UnknownResourceError struct {
	resource string
}

func NewUnknownResourceError(resource string) UnknownResourceError {
	return UnknownResourceError{resource: resource}
}

func (ure UnknownResourceError) Error() string {
	return fmt.Sprintf("unknown resource \"%s\"", ure.resource)
}
