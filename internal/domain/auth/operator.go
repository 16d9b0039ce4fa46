// Package auth authenticates the operators allowed to issue and revoke
// temporary grants. Keys are stored only as Argon2id hashes.
package auth

import (
	"errors"
	"strings"
	"sync"

	"github.com/alexedwards/argon2id"
)

// ErrInvalidKey is returned when an operator key does not verify.
var ErrInvalidKey = errors.New("invalid operator key")

// ErrUnknownOperator is returned when no operator with the name is registered.
var ErrUnknownOperator = errors.New("unknown operator")

// ErrUnknownHashType is returned when a stored hash is not PHC Argon2id.
var ErrUnknownHashType = errors.New("unknown hash type")

// argon2idParams follows the OWASP minimum recommendation for Argon2id.
var argon2idParams = &argon2id.Params{
	Memory:      47 * 1024,
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// Operator is a named principal with a hashed key.
type Operator struct {
	// Name identifies the operator in grant records.
	Name string
	// KeyHash is the Argon2id PHC hash of the operator's key.
	KeyHash string
}

// HashKey returns an Argon2id hash of the raw key in PHC format.
func HashKey(rawKey string) (string, error) {
	return argon2id.CreateHash(rawKey, argon2idParams)
}

// VerifyKey verifies a raw key against a stored Argon2id hash.
func VerifyKey(rawKey, storedHash string) (bool, error) {
	if !strings.HasPrefix(storedHash, "$argon2id$") {
		return false, ErrUnknownHashType
	}
	match, err := argon2id.ComparePasswordAndHash(rawKey, storedHash)
	if err != nil {
		return false, err
	}
	return match, nil
}

// Registry holds the registered operators.
type Registry struct {
	mu        sync.RWMutex
	operators map[string]Operator
}

// NewRegistry creates an empty operator registry.
func NewRegistry() *Registry {
	return &Registry{operators: make(map[string]Operator)}
}

// Register adds or replaces an operator.
func (r *Registry) Register(op Operator) error {
	if op.Name == "" {
		return errors.New("operator name is empty")
	}
	if !strings.HasPrefix(op.KeyHash, "$argon2id$") {
		return ErrUnknownHashType
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.operators[op.Name] = op
	return nil
}

// Authenticate verifies the key for the named operator. It returns
// ErrUnknownOperator when the name is not registered and ErrInvalidKey when
// the key does not verify.
func (r *Registry) Authenticate(name, rawKey string) error {
	r.mu.RLock()
	op, ok := r.operators[name]
	r.mu.RUnlock()
	if !ok {
		return ErrUnknownOperator
	}
	match, err := VerifyKey(rawKey, op.KeyHash)
	if err != nil {
		return err
	}
	if !match {
		return ErrInvalidKey
	}
	return nil
}

// Names returns the registered operator names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.operators))
	for name := range r.operators {
		names = append(names, name)
	}
	return names
}

// Len returns the number of registered operators.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.operators)
}
