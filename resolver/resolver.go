// Package resolver attaches decoded envelopes to conversation identities.
//
// A batch is resolved in two phases. Phase one handles normal (signed)
// envelopes: it may create contacts and merge identity payloads into them.
// Phase two handles anonymous envelopes and matches them by thread id, so it
// must run after phase one has persisted its identity changes.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"memochat/logging"
	"memochat/models"
	"memochat/protocol"
	"memochat/storage"
)

// Store is the part of the identity store the resolver needs.
type Store interface {
	FindBySenderAddress(address string) (*models.Identity, error)
	FindByThreadID(threadID string) (*models.Identity, error)
	CreateUnknownPlaceholder(senderAddress string) (*models.Identity, error)
	CreateAnonymousPlaceholder(threadID, returnAddress string) (*models.Identity, error)
	UpdateIdentity(identity models.Identity) (*models.Identity, error)
	IsIgnored(addressOrThread, groupAddress string) (bool, error)
	AppendMessage(identityID string, message models.Message) (*models.Message, error)
	RecordSecurityEvent(event storage.SecurityEvent) error
}

// Verifier checks normal message signatures. crypto.Gate satisfies it.
type Verifier interface {
	Verify(ctx context.Context, sender, signature, text string) (bool, error)
}

// Incoming is one new envelope ready to be attached to a conversation.
type Incoming struct {
	Envelope      protocol.Envelope
	TransactionID string
	Timestamp     time.Time
}

// Outcome summarizes a resolved batch.
type Outcome struct {
	NewContactCreated bool
	// Changed holds every identity whose conversation or fields changed, by id.
	Changed         map[string]models.Identity
	Stored          int
	StoredAnonymous int
	Failed          int
	Dropped         int
}

func newOutcome() Outcome {
	return Outcome{Changed: make(map[string]models.Identity)}
}

// Config tunes a Resolver.
type Config struct {
	// AutoAddUnknown creates placeholder contacts for unknown senders and
	// threads. When false their messages are dropped.
	AutoAddUnknown bool
	Logger         *slog.Logger
	// Once deduplicates policy-skip warnings. Nil logs every skip.
	Once *logging.OnceFilter
}

// Resolver runs the two-phase resolution pipeline.
type Resolver struct {
	store    Store
	verifier Verifier
	autoAdd  bool
	logger   *slog.Logger
	once     *logging.OnceFilter
}

// New returns a Resolver.
func New(store Store, verifier Verifier, cfg Config) *Resolver {
	return &Resolver{
		store:    store,
		verifier: verifier,
		autoAdd:  cfg.AutoAddUnknown,
		logger:   logging.OrDefault(cfg.Logger),
		once:     cfg.Once,
	}
}

// ResolveBatch attaches batch to conversations. scope is nil for the own
// inbox and the group identity when polling a group address.
//
// The caller must hold the store lock. A verifier transport failure or a
// storage error aborts the batch; messages appended before the failure stay.
func (r *Resolver) ResolveBatch(ctx context.Context, scope *models.Identity, batch []Incoming) (Outcome, error) {
	out := newOutcome()

	var normals, anonymous []Incoming
	for _, in := range batch {
		switch in.Envelope.(type) {
		case protocol.Normal:
			normals = append(normals, in)
		case protocol.Anonymous:
			anonymous = append(anonymous, in)
		}
	}

	for _, in := range normals {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if err := r.resolveNormal(ctx, scope, in, &out); err != nil {
			return out, err
		}
	}
	for _, in := range anonymous {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if err := r.resolveAnonymous(scope, in, &out); err != nil {
			return out, err
		}
	}

	return out, nil
}

func (r *Resolver) resolveNormal(ctx context.Context, scope *models.Identity, in Incoming, out *Outcome) error {
	env := in.Envelope.(protocol.Normal)

	var target *models.Identity
	if scope != nil {
		target = scope
	} else {
		ignored, err := r.store.IsIgnored(env.From, "")
		if err != nil {
			return err
		}
		if ignored {
			r.drop(out, storage.SecurityEventIgnoredDropped, "resolver: ignored sender dropped", "sender", env.From, in.TransactionID)
			return nil
		}

		contact, err := r.store.FindBySenderAddress(env.From)
		switch {
		case err == nil:
			target = contact
		case !errors.Is(err, storage.ErrNotFound):
			return err
		case !r.autoAdd:
			r.drop(out, storage.SecurityEventUnknownDropped, "resolver: unknown sender dropped", "sender", env.From, in.TransactionID)
			return nil
		default:
			created, err := r.store.CreateUnknownPlaceholder(env.From)
			if err != nil {
				return err
			}
			r.placeholderCreated(created, "sender", env.From)
			out.NewContactCreated = true
			target = created
		}
	}

	ok, err := r.verifier.Verify(ctx, env.From, env.Sign, env.Message)
	if err != nil {
		return err
	}
	verification := models.VerificationOK
	if !ok {
		verification = models.VerificationFailed
		out.Failed++
		r.logger.Warn("resolver: signature verification failed",
			"sender", env.From, "transaction_id", in.TransactionID, "identity_id", target.ID)
		if err := r.store.RecordSecurityEvent(storage.SecurityEvent{
			Type:          storage.SecurityEventSignatureFailed,
			Severity:      storage.SecuritySeverityWarning,
			IdentityID:    target.ID,
			Subject:       env.From,
			TransactionID: in.TransactionID,
		}); err != nil {
			return err
		}
	}

	if ok && scope == nil {
		if payload, isPayload := protocol.ParseIdentityPayload(env.Message); isPayload {
			if merged, changed := mergePayload(*target, payload); changed {
				updated, err := r.store.UpdateIdentity(merged)
				if err != nil {
					return err
				}
				r.logger.Info("resolver: contact updated from identity payload",
					"identity_id", updated.ID, "nickname", updated.Nickname)
				target = updated
			}
		}
	}

	_, err = r.store.AppendMessage(target.ID, models.Message{
		Version:       env.Version,
		From:          env.From,
		Body:          env.Message,
		Sign:          env.Sign,
		TransactionID: in.TransactionID,
		Timestamp:     in.Timestamp.UnixMilli(),
		Direction:     models.DirectionReceived,
		Verification:  verification,
	})
	if err != nil {
		return err
	}
	out.Stored++
	out.Changed[target.ID] = *target
	return nil
}

func (r *Resolver) resolveAnonymous(scope *models.Identity, in Incoming, out *Outcome) error {
	env := in.Envelope.(protocol.Anonymous)

	var target *models.Identity
	if scope != nil {
		target = scope
	} else {
		ignored, err := r.store.IsIgnored(env.ThreadID, "")
		if err != nil {
			return err
		}
		if ignored {
			r.drop(out, storage.SecurityEventIgnoredDropped, "resolver: ignored thread dropped", "thread_id", env.ThreadID, in.TransactionID)
			return nil
		}

		contact, err := r.store.FindByThreadID(env.ThreadID)
		switch {
		case err == nil:
			target = contact
			if target.SendReceiveAddress == "" && env.ReturnAddress != "" {
				target.SendReceiveAddress = env.ReturnAddress
				updated, err := r.store.UpdateIdentity(*target)
				if err != nil {
					return err
				}
				r.logger.Info("resolver: return address learned",
					"identity_id", updated.ID, "thread_id", env.ThreadID)
				target = updated
			}
		case !errors.Is(err, storage.ErrNotFound):
			return err
		case !r.autoAdd:
			r.drop(out, storage.SecurityEventUnknownDropped, "resolver: unknown thread dropped", "thread_id", env.ThreadID, in.TransactionID)
			return nil
		default:
			created, err := r.store.CreateAnonymousPlaceholder(env.ThreadID, env.ReturnAddress)
			if err != nil {
				return err
			}
			r.placeholderCreated(created, "thread_id", env.ThreadID)
			out.NewContactCreated = true
			target = created
		}
	}

	_, err := r.store.AppendMessage(target.ID, models.Message{
		Version:       env.Version,
		Body:          env.Message,
		ThreadID:      env.ThreadID,
		ReturnAddress: env.ReturnAddress,
		TransactionID: in.TransactionID,
		Timestamp:     in.Timestamp.UnixMilli(),
		Direction:     models.DirectionReceived,
		Verification:  models.VerificationUnverified,
		IsAnonymous:   true,
	})
	if err != nil {
		return err
	}
	out.Stored++
	out.StoredAnonymous++
	out.Changed[target.ID] = *target
	return nil
}

func (r *Resolver) drop(out *Outcome, eventType, msg, keyName, key, transactionID string) {
	out.Dropped++
	if !r.once.First(eventType + ":" + key) {
		return
	}
	r.logger.Warn(msg, keyName, key, "transaction_id", transactionID)
	if err := r.store.RecordSecurityEvent(storage.SecurityEvent{
		Type:          eventType,
		Subject:       key,
		TransactionID: transactionID,
	}); err != nil {
		r.logger.Error("resolver: record security event failed", "event_type", eventType, "error", err)
	}
}

func (r *Resolver) placeholderCreated(identity *models.Identity, keyName, key string) {
	r.logger.Info("resolver: placeholder contact created",
		"identity_id", identity.ID, "kind", identity.Kind, keyName, key)
	if err := r.store.RecordSecurityEvent(storage.SecurityEvent{
		Type:       storage.SecurityEventPlaceholderCreated,
		IdentityID: identity.ID,
		Subject:    key,
		Details:    map[string]string{"kind": string(identity.Kind)},
	}); err != nil {
		r.logger.Error("resolver: record security event failed",
			"event_type", storage.SecurityEventPlaceholderCreated, "error", err)
	}
}

// mergePayload copies the non-empty payload fields into identity.
func mergePayload(identity models.Identity, p protocol.IdentityPayload) (models.Identity, bool) {
	changed := false
	set := func(dst *string, v string) {
		if v != "" && *dst != v {
			*dst = v
			changed = true
		}
	}
	set(&identity.SenderAddress, p.SenderAddress)
	set(&identity.SendReceiveAddress, p.SendReceiveAddress)
	set(&identity.Nickname, p.Nickname)
	set(&identity.FirstName, p.FirstName)
	set(&identity.MiddleName, p.MiddleName)
	set(&identity.Surname, p.Surname)
	return identity, changed
}

func (o Outcome) String() string {
	return fmt.Sprintf("stored=%d anonymous=%d failed=%d dropped=%d changed=%d new_contact=%v",
		o.Stored, o.StoredAnonymous, o.Failed, o.Dropped, len(o.Changed), o.NewContactCreated)
}
