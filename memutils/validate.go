package memutils

// Validatable is implemented by objects that can run internal consistency
// checks over themselves
type Validatable interface {
	Validate() error
}
