package app

// DomainError is an error that already knows its HTTP shape. Kind goes
// into the "error" field of the response body; Extra fields are merged
// alongside it.
type DomainError struct {
	Status int
	Kind   string
	Extra  map[string]any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return e.Kind
}

func domainError(status int, kind string, extra map[string]any) *DomainError {
	return &DomainError{
		Status: status,
		Kind:   kind,
		Extra:  extra,
	}
}

func validationError(kind string) *DomainError {
	return domainError(400, kind, nil)
}
