package env

import (
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

// OpenKeyring opens the named keyring service. Replaced in tests.
var OpenKeyring = func(service string) (keyring.Keyring, error) {
	return keyring.Open(keyring.Config{
		ServiceName:              service,
		KeychainTrustApplication: true,
	})
}

// SecretKey is the keyring key of an account.
func SecretKey(user, host string) string {
	return user + "@" + host
}

// LookupSecret reads the password of user@host from a keyring service.
func LookupSecret(service, user, host string) (string, error) {
	ring, err := OpenKeyring(service)
	if err != nil {
		return "", fmt.Errorf("open keyring %s: %w", service, err)
	}
	key := SecretKey(user, host)
	item, err := ring.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", fmt.Errorf("no secret for %s in keyring %s", key, service)
	}
	if err != nil {
		return "", fmt.Errorf("keyring %s: %w", service, err)
	}
	return string(item.Data), nil
}

// StoreSecret saves the password of user@host in a keyring service.
func StoreSecret(service, user, host, secret string) error {
	ring, err := OpenKeyring(service)
	if err != nil {
		return fmt.Errorf("open keyring %s: %w", service, err)
	}
	return ring.Set(keyring.Item{
		Key:   SecretKey(user, host),
		Data:  []byte(secret),
		Label: "POP3 " + SecretKey(user, host),
	})
}
