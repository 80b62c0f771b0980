package nudge

// VERSION is overridden at build time with -ldflags "-X github.com/tgifai/nudge.VERSION=...".
var VERSION = "v0.1.0-dev"
