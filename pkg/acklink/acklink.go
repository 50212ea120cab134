// Package acklink builds and verifies the single-use acknowledgement URLs
// attached to chaser posts. Two payload shapes exist on the wire: the
// current one keyed by local task id and version ("tid"), and a legacy one
// keyed by the system-of-record item id ("id") that survives until the last
// notifications carrying it expire. The verifier picks the shape by which
// key is present.
package acklink

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

var (
	ErrMalformed    = errors.New("acklink: missing or malformed parameters")
	ErrBadSignature = errors.New("acklink: signature mismatch")
	ErrExpired      = errors.New("acklink: link expired")
	ErrReplay       = errors.New("acklink: stale version, link was superseded")
)

// Signer is the slice of the signing component the link layer needs.
type Signer interface {
	Sign(ctx context.Context, payload string) (string, error)
	Verify(ctx context.Context, payload, sig string) (bool, error)
}

// LinkParams describes one acknowledgement link to issue.
type LinkParams struct {
	TaskID    int64
	Version   int
	ExpiresAt time.Time

	// Optional routing hints carried for diagnostics only; not signed.
	Region string
	Anchor string
}

// Builder issues links in the current ("tid") shape.
type Builder struct {
	baseURL string
	signer  Signer
}

func NewBuilder(baseURL string, signer Signer) *Builder {
	return &Builder{baseURL: baseURL, signer: signer}
}

func canonicalPayload(taskID int64, version int, expUnix int64) string {
	return fmt.Sprintf("%d|%d|%d", taskID, version, expUnix)
}

// Build returns the full acknowledgement URL for p.
func (b *Builder) Build(ctx context.Context, p LinkParams) (string, error) {
	exp := p.ExpiresAt.Unix()
	sig, err := b.signer.Sign(ctx, canonicalPayload(p.TaskID, p.Version, exp))
	if err != nil {
		return "", fmt.Errorf("sign ack link: %w", err)
	}

	u := fmt.Sprintf("%s/ack?tid=%d&v=%d&exp=%d&sig=%s",
		b.baseURL, p.TaskID, p.Version, exp, url.QueryEscape(sig))
	if p.Region != "" {
		u += "&r=" + url.QueryEscape(p.Region)
	}
	if p.Anchor != "" {
		u += "&a=" + url.QueryEscape(p.Anchor)
	}
	return u, nil
}

// Claims is the verified content of an acknowledgement click.
type Claims struct {
	Legacy bool

	// Current shape.
	TaskID  int64
	Version int

	// Legacy shape.
	ItemID string
	Corr   string
	ListID string

	ExpiresAt time.Time
}

// Verifier checks signatures and freshness for both payload shapes.
type Verifier struct {
	signer Signer
	now    func() time.Time
}

func NewVerifier(signer Signer) *Verifier {
	return &Verifier{signer: signer, now: time.Now}
}

// Verify validates the signature and expiry of the query parameters and
// returns the claims. The version gate is a separate step (GateVersion)
// because the stored version is only known after a store lookup.
func (v *Verifier) Verify(ctx context.Context, q url.Values) (*Claims, error) {
	if q.Get("tid") != "" {
		return v.verifyCurrent(ctx, q)
	}
	if q.Get("id") != "" {
		return v.verifyLegacy(ctx, q)
	}
	return nil, ErrMalformed
}

func (v *Verifier) verifyCurrent(ctx context.Context, q url.Values) (*Claims, error) {
	tidStr, verStr, expStr, sig := q.Get("tid"), q.Get("v"), q.Get("exp"), q.Get("sig")
	if tidStr == "" || verStr == "" || expStr == "" || sig == "" {
		return nil, ErrMalformed
	}
	tid, err := strconv.ParseInt(tidStr, 10, 64)
	if err != nil {
		return nil, ErrMalformed
	}
	ver, err := strconv.Atoi(verStr)
	if err != nil {
		return nil, ErrMalformed
	}
	exp, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		return nil, ErrMalformed
	}

	ok, err := v.signer.Verify(ctx, canonicalPayload(tid, ver, exp), sig)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrBadSignature
	}
	if !time.Unix(exp, 0).After(v.now()) {
		return nil, ErrExpired
	}

	return &Claims{TaskID: tid, Version: ver, ExpiresAt: time.Unix(exp, 0).UTC()}, nil
}

func (v *Verifier) verifyLegacy(ctx context.Context, q url.Values) (*Claims, error) {
	id, expStr, sig := q.Get("id"), q.Get("exp"), q.Get("sig")
	if id == "" || expStr == "" || sig == "" {
		return nil, ErrMalformed
	}
	exp, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		return nil, ErrMalformed
	}

	corr := q.Get("c")
	payload := fmt.Sprintf("id=%s&exp=%d", id, exp)
	if corr != "" {
		payload += "&c=" + corr
	}

	ok, err := v.signer.Verify(ctx, payload, sig)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrBadSignature
	}
	if !time.Unix(exp, 0).After(v.now()) {
		return nil, ErrExpired
	}

	return &Claims{
		Legacy:    true,
		ItemID:    id,
		Corr:      corr,
		ListID:    q.Get("list"),
		ExpiresAt: time.Unix(exp, 0).UTC(),
	}, nil
}

// GateVersion rejects clicks carrying a version older than the one the
// store has mirrored. Equality and newer are accepted: the loop rotates the
// version before posting, so a click racing the mirror write carries
// stored+1. Legacy links carry no version and pass.
func (v *Verifier) GateVersion(c *Claims, storedVersion int) error {
	if c.Legacy {
		return nil
	}
	if c.Version < storedVersion {
		return ErrReplay
	}
	return nil
}
