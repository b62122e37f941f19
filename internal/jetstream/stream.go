package jetstream

import (
	"strings"
	"time"

	nats "github.com/nats-io/nats.go"
)

const (
	StreamName    = "KASTREL"
	subjectPrefix = "kastrel.summary."
)

// EnsureStream creates the work-queue stream relayed token frames flow
// through on their way to the analytics consumer.
func EnsureStream(js nats.JetStreamContext) error {
	_, err := js.AddStream(&nats.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{"kastrel.>"},
		Storage:   nats.FileStorage,
		MaxAge:    24 * time.Hour,
		Retention: nats.WorkQueuePolicy,
	})
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return err
	}
	return nil
}

// Done is the terminal marker published once a relay session settles.
type Done struct {
	CustomerID string `json:"customer_id"`
	Outcome    string `json:"outcome"`
	Ts         int64  `json:"ts"`
}

func TokenSubject(sessionID string) string {
	return subjectPrefix + sessionID + ".token"
}

func DoneSubject(sessionID string) string {
	return subjectPrefix + sessionID + ".done"
}

// AllSubjects is the subscription filter covering every session subject.
func AllSubjects() string {
	return subjectPrefix + ">"
}

// SplitSubject extracts the session id and leaf kind ("token" or "done")
// from a session subject. ok is false for subjects outside the scheme.
func SplitSubject(subject string) (sessionID, kind string, ok bool) {
	rest, found := strings.CutPrefix(subject, subjectPrefix)
	if !found {
		return "", "", false
	}
	i := strings.LastIndexByte(rest, '.')
	if i <= 0 {
		return "", "", false
	}
	sessionID, kind = rest[:i], rest[i+1:]
	if kind != "token" && kind != "done" {
		return "", "", false
	}
	return sessionID, kind, true
}
