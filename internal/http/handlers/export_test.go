package handlers

// Aliases exposing unexported identifiers to the external handlers_test
// package, which exists to break the test-only import cycle through httpapi.
type (
	JobView       = jobView
	StartResponse = startResponse
)

const SecondsPerImage = secondsPerImage
