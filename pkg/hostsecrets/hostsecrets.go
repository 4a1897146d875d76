// Package hostsecrets implements the secrets/read.get host function,
// catalyst-only, backed by the execution's pre-resolved secrets map: every
// access, granted or denied, is recorded via telemetry.
package hostsecrets

import (
	"context"
	"fmt"

	"github.com/cyfrworks/cyfr-sub001/pkg/enginerr"
	"github.com/cyfrworks/cyfr-sub001/pkg/telemetry"
)

// Reader serves secrets/read.get for one execution. Reagents and Formulas
// must never be given a Reader import.
type Reader struct {
	values      map[string][]byte
	telemetry   *telemetry.Emitter
	userID      string
	ref         string
	executionID string
}

// New creates a Reader over an execution's already-resolved secret map
// (SecretResolver.Resolve's output).
func New(values map[string][]byte, emitter *telemetry.Emitter, userID, ref, executionID string) *Reader {
	return &Reader{values: values, telemetry: emitter, userID: userID, ref: ref, executionID: executionID}
}

// Get returns the named secret's plaintext bytes, or a fail-closed
// access-denied error citing the name. Every call — success or failure —
// emits telemetry.
func (r *Reader) Get(ctx context.Context, name string) ([]byte, *enginerr.Error) {
	value, ok := r.values[name]
	if !ok {
		r.emit(ctx, telemetry.EventSecretDenied, name)
		return nil, enginerr.New(enginerr.CodeAccessDenied, fmt.Sprintf("access-denied: secret %q was not granted to this component", name))
	}
	r.emit(ctx, telemetry.EventSecretAccessed, name)
	return value, nil
}

func (r *Reader) emit(ctx context.Context, eventType telemetry.EventType, name string) {
	if r.telemetry == nil {
		return
	}
	r.telemetry.Emit(ctx, telemetry.Event{
		Type:        eventType,
		ExecutionID: r.executionID,
		UserID:      r.userID,
		Ref:         r.ref,
		Fields:      map[string]string{"secret_name": name},
	})
}
