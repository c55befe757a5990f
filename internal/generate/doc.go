// Package generate implements the response generator adapter: the ordered
// conversation history is sent to a Bedrock foundation model and the
// generated reply is published to the call's session queue.
package generate
