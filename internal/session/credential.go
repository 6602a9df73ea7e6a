// Package session mints the per-run credential and publishes it, together
// with the resolved backend address, to the UI boundary exactly once.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/JakeFAU/sketch-tutor/internal/supervisor"
)

// tokenBytes is 128 bits of entropy.
const tokenBytes = 16

// Issue generates a cryptographically random hex token.
func Issue() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Credential is the read-only snapshot handed to the UI boundary.
type Credential struct {
	Address string `json:"baseUrl"`
	Token   string `json:"token"`
	Ready   bool   `json:"ready"`
	Error   string `json:"error,omitempty"`
}

// String hides the token so a Credential can be logged safely.
func (c Credential) String() string {
	return fmt.Sprintf("Credential{Address:%s Ready:%t}", c.Address, c.Ready)
}

// Publisher holds the single publication of the credential.
type Publisher struct {
	once      sync.Once
	mu        sync.RWMutex
	cred      Credential
	published chan struct{}
}

// NewPublisher builds an empty Publisher.
func NewPublisher() *Publisher {
	return &Publisher{published: make(chan struct{})}
}

// Publish snapshots h on the first call. Later calls do not re-resolve and
// return the original snapshot.
func (p *Publisher) Publish(h *supervisor.Handle) Credential {
	p.once.Do(func() {
		cred := Credential{}
		if h != nil {
			cred = Credential{
				Address: h.Address,
				Token:   h.Token,
				Ready:   h.Ready,
				Error:   h.ErrorMessage(),
			}
		}
		p.mu.Lock()
		p.cred = cred
		p.mu.Unlock()
		close(p.published)
	})
	return p.mustCredential()
}

// Credential returns the published snapshot and whether publication happened.
func (p *Publisher) Credential() (Credential, bool) {
	select {
	case <-p.published:
		return p.mustCredential(), true
	default:
		return Credential{}, false
	}
}

// Published is closed once the credential is available.
func (p *Publisher) Published() <-chan struct{} {
	return p.published
}

func (p *Publisher) mustCredential() Credential {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cred
}
