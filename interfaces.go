package kiroku

import "github.com/ashita-ai/kiroku/internal/notify"

// Publisher receives a summary after every enforcement run.
// When provided via WithPublisher, replaces the Redis publisher.
// Publish failures are logged and never fail the run.
type Publisher = notify.Publisher

// RunSummary is what a Publisher receives.
type RunSummary = notify.RunSummary
