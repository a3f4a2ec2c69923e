// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package token

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"time"
)

// DefaultTokenValidity is the lifetime of generated shared-access signatures
var DefaultTokenValidity = time.Hour

// SharedAccessKey signs shared-access tokens with a named policy key
type SharedAccessKey struct {
	keyName  string
	key      []byte
	validity time.Duration

	now func() time.Time
}

// NewSharedAccessKey returns a Provider that signs tokens with the given
// policy. The key is the policy's base64-encoded shared access key.
func NewSharedAccessKey(keyName, key string) (*SharedAccessKey, error) {
	decoded, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("could not decode shared access key: %w", err)
	}
	return &SharedAccessKey{
		keyName:  keyName,
		key:      decoded,
		validity: DefaultTokenValidity,
		now:      time.Now,
	}, nil
}

// WithValidity sets the lifetime of generated tokens
func (s *SharedAccessKey) WithValidity(validity time.Duration) *SharedAccessKey {
	s.validity = validity
	return s
}

// Token implements the Provider interface
func (s *SharedAccessKey) Token(_ context.Context, audience string) (*Token, error) {
	expires := s.now().Add(s.validity)
	return s.sign(audience, expires)
}

func (s *SharedAccessKey) sign(audience string, expires time.Time) (*Token, error) {
	resource := url.QueryEscape(audience)
	mac := hmac.New(sha256.New, s.key)
	fmt.Fprintf(mac, "%s\n%d", resource, expires.Unix())
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return &Token{
		Value: fmt.Sprintf("SharedAccessSignature sr=%s&sig=%s&se=%d&skn=%s",
			resource, url.QueryEscape(signature), expires.Unix(), url.QueryEscape(s.keyName)),
		ExpiresAt: expires,
	}, nil
}
