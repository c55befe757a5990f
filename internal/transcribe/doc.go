// Package transcribe implements the transcription adapter: it fetches a
// recorded audio segment by reference, streams it to a speech-to-text
// engine over a websocket session, and publishes the recognized text to
// the call's session queue.
package transcribe
