// Command newsletterd delivers newsletter issues to their subscribers.
//
// Publishing an issue fans it out into one durable delivery task per
// subscriber. Worker goroutines claim tasks, send the email and record the
// outcome; progress is exposed over HTTP and gRPC.
//
// Install:
//
//	go install github.com/nuetzliches/newsletterd/cmd/newsletterd@latest
//
// Usage:
//
//	newsletterd run --config ./newsletterd.yaml
package main
