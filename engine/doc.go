// Package engine wires all notify subsystems together and provides the
// primary application-level API for registering workflows and
// triggering notifications.
//
// The engine package exists to break a fundamental import cycle: the
// root notify package defines Entity (imported by job, workflow,
// subscriber, etc.) and therefore cannot import those packages back.
// Engine sits above all subsystem packages and below the application
// layer.
//
// # Building an Engine
//
//	n, err := notify.New(
//	    notify.WithStore(pgStore),
//	    notify.WithConcurrency(20),
//	)
//
//	eng, err := engine.Build(n,
//	    engine.WithChannel(channel.KindEmail, emailSender),
//	    engine.WithExtension(myExtension),
//	    engine.WithBackoff(backoff.NewExponential(time.Second, time.Minute)),
//	    engine.WithQueueConfig(queue.Config{
//	        Name:      "critical",
//	        RateLimit: 100,
//	    }),
//	)
//
// # Registering Workflows
//
//	eng.RegisterWorkflow(&workflow.Workflow{
//	    Name:   "comment-notifications",
//	    Active: true,
//	    Steps: []workflow.Step{
//	        {Kind: workflow.StepDigest, Digest: &workflow.DigestConfig{
//	            Policy:   "regular",
//	            Interval: 5 * time.Minute,
//	        }},
//	        {Kind: workflow.StepChannel, Channel: channel.KindEmail,
//	            Subject: "{{.events_count}} new comments",
//	            Body:    "You have {{.events_count}} new comments."},
//	    },
//	})
//
// # Triggering
//
//	res, err := eng.Trigger(ctx, engine.Trigger{
//	    Workflow:    "comment-notifications",
//	    Subscribers: []id.SubscriberID{alice, bob},
//	    Payload:     json.RawMessage(`{"comment":"hello"}`),
//	})
//
// # Options
//
//   - [WithChannel] — register a sender for a channel kind
//   - [WithExtension] — register a lifecycle extension
//   - [WithMiddleware] — add a middleware to the execution chain
//   - [WithBackoff] — set the retry backoff strategy
//   - [WithQueue] — set the durable queue backend
//   - [WithLockClient] — set the distributed lock backend
//   - [WithQueueConfig] — configure per-queue rate limits and concurrency
//   - [WithTracerProvider] — set the OpenTelemetry tracer provider
//   - [WithMeterProvider] — set the OpenTelemetry meter provider
package engine
