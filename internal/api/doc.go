// Package api exposes the extension host over REST: listing registered
// extensions, executing one synchronously, and submitting or inspecting
// asynchronous invocations. Errors are rendered as JSON with the code, the
// HTTP status derived from it and the matching process exit code.
package api
