package relay

// Version is the relay's semver, reported on /version and in the synthesized
// Browser.getVersion answer.
const Version = "0.3.1"
