package config

import (
	"time"

	"github.com/aurelia-health/scribeflow/pkg/retry"
)

// BusSettings configure the Kafka-backed message bus and the push-style
// delivery contract layered on top of it.
type BusSettings struct {
	Brokers []string

	// TopicPrefix is prepended to every stage topic, e.g. "scribeflow."
	// yields "scribeflow.transcribe.requested".
	TopicPrefix string

	// OrderingEnabled keys every message by run_id for per-run FIFO.
	// Disabling it is only for local smoke tests.
	OrderingEnabled bool

	// DeadLetterTopic receives messages the consumer bridge gave up on.
	DeadLetterTopic string

	ConsumerGroup  string
	PublishTimeout time.Duration
	Retry          RetrySettings
}

// AuthSettings configure push authenticity verification and outbound
// identity tokens. Tokens are JWTs signed with a shared service secret
// and verified against the configured audience and issuer set.
type AuthSettings struct {
	// RequireAuth disables verification when false (local development).
	RequireAuth bool

	// Audience each inbound push token must carry.
	Audience string

	// Issuers is the accepted issuer set; the identity provider is
	// reachable under two names, so both are accepted.
	Issuers []string

	// SigningSecret signs outbound identity tokens and verifies
	// inbound ones.
	SigningSecret string

	// ServiceIdentity is the caller identity embedded in minted tokens.
	ServiceIdentity string
}

func loadBus(e *env) BusSettings {
	return BusSettings{
		Brokers:         e.List("KAFKA_BROKERS", []string{"localhost:9092"}),
		TopicPrefix:     e.Get("BUS_TOPIC_PREFIX", "scribeflow."),
		OrderingEnabled: e.Bool("BUS_ORDERING_ENABLED", true),
		DeadLetterTopic: e.Get("BUS_DEAD_LETTER_TOPIC", "scribeflow.dead-letter"),
		ConsumerGroup:   e.Get("BUS_CONSUMER_GROUP", ""),
		PublishTimeout:  e.Duration("BUS_PUBLISH_TIMEOUT", 10*time.Second),
		Retry:           loadRetry(e, "BUS"),
	}
}

func loadAuth(e *env, requireSecret bool) AuthSettings {
	s := AuthSettings{
		RequireAuth: e.Bool("PUSH_REQUIRE_AUTH", true),
		Audience:    e.Get("PUSH_AUDIENCE", ""),
		Issuers: e.List("PUSH_ISSUERS", []string{
			"https://identity.aurelia-health.internal",
			"identity.aurelia-health.internal",
		}),
		SigningSecret:   e.Get("IDENTITY_SIGNING_SECRET", ""),
		ServiceIdentity: e.Get("SERVICE_IDENTITY", ""),
	}
	if requireSecret && s.RequireAuth && s.SigningSecret == "" {
		e.Require("IDENTITY_SIGNING_SECRET")
	}
	return s
}

// Policy converts the env-backed retry knobs to a retry.Policy.
func (r RetrySettings) Policy() retry.Policy {
	return retry.Policy{
		MaxRetries:  r.MaxRetries,
		BackoffBase: time.Duration(r.BackoffBaseMS) * time.Millisecond,
		BackoffCap:  time.Duration(r.BackoffCapMS) * time.Millisecond,
		Budget:      time.Duration(r.RetryBudgetS) * time.Second,
	}
}
