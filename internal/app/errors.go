package app

import (
	"fmt"
	"net/http"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func errNotFound(message string) *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", message, nil)
}

func errUnauthorized(message string) *DomainError {
	return domainError(http.StatusForbidden, "UNAUTHORIZED", message, nil)
}

func errInvalidRole(role string) *DomainError {
	return domainError(http.StatusBadRequest, "INVALID_ROLE",
		fmt.Sprintf("%s is not a valid role for this project", role), map[string]any{"role": role})
}

func errDuplicateMember(userID string) *DomainError {
	return domainError(http.StatusBadRequest, "DUPLICATE_MEMBER",
		"User is already a member of this project", map[string]any{"userId": userID})
}

func errEmptyContent() *DomainError {
	return domainError(http.StatusBadRequest, "EMPTY_CONTENT", "Message content must not be blank", nil)
}

func errNoMembers() *DomainError {
	return domainError(http.StatusBadRequest, "NO_MEMBERS", "Project has no members to fan out conversations for", nil)
}
