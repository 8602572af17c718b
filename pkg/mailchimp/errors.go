package mailchimp

import (
	"errors"
	"fmt"
)

// Error names returned by the Mailchimp 2.0 API that callers commonly branch on.
const (
	ErrNameEmailNotExists        = "Email_NotExists"
	ErrNameListNotSubscribed     = "List_NotSubscribed"
	ErrNameListDoesNotExist      = "List_DoesNotExist"
	ErrNameListAlreadySubscribed = "List_AlreadySubscribed"
	ErrNameInvalidAPIKey         = "Invalid_ApiKey"
	ErrNameValidationError       = "ValidationError"
)

// ErrInvalidEmailIdentifier is wrapped by InvalidArgumentError when an email
// identifier selector is not one of "email", "euid" or "leid".
var ErrInvalidEmailIdentifier = errors.New(`email identifier should be one of ("email","euid","leid")`)

// APIError represents an error payload returned by the Mailchimp API.
type APIError struct {
	Name    string
	Message string
	// Code is the raw JSON text of the remote code, e.g. "232".
	Code string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error : [ %s ] %s , code = %s", e.Name, e.Message, e.Code)
}

// InvalidArgumentError is returned before any network call when an argument
// cannot be sent to the API.
type InvalidArgumentError struct {
	Argument string
	Value    string
	Err      error
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("invalid argument %s=%q: %v", e.Argument, e.Value, e.Err)
}

func (e *InvalidArgumentError) Unwrap() error {
	return e.Err
}

// ConfigError is returned by NewClient when the client cannot be built from
// the supplied configuration.
type ConfigError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid mailchimp configuration %s: %s: %v", e.Field, e.Message, e.Err)
	}
	return fmt.Sprintf("invalid mailchimp configuration %s: %s", e.Field, e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// isErrorName checks if the error is a Mailchimp API error with one of the given names.
func isErrorName(err error, names ...string) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	for _, name := range names {
		if apiErr.Name == name {
			return true
		}
	}
	return false
}

// IsAPIError checks if the error was returned by the Mailchimp API itself.
func IsAPIError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}

// IsNotFound checks if the error reports a missing member or list.
func IsNotFound(err error) bool {
	return isErrorName(err, ErrNameEmailNotExists, ErrNameListNotSubscribed, ErrNameListDoesNotExist)
}

// IsAlreadySubscribed checks if the error reports an existing subscription.
func IsAlreadySubscribed(err error) bool {
	return isErrorName(err, ErrNameListAlreadySubscribed)
}

// IsInvalidArgument checks if the error was raised before reaching the network.
func IsInvalidArgument(err error) bool {
	var argErr *InvalidArgumentError
	return errors.As(err, &argErr)
}

// IsConfigError checks if the error was raised while building the client.
func IsConfigError(err error) bool {
	var cfgErr *ConfigError
	return errors.As(err, &cfgErr)
}

// IsInvalidAPIKey checks if the error reports a rejected API key.
func IsInvalidAPIKey(err error) bool {
	return isErrorName(err, ErrNameInvalidAPIKey)
}
