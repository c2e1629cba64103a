// Package streaming layers at-least-once publishing and sequenced, ackable
// subscriptions on top of the pub/sub client.
//
// A Conn registers with a streaming server through the discovery subject
// "_STAN.discover.<cluster>". Every publish is wrapped in a PubMsg envelope
// and waits for a PubAck on a private ack subject. Subscriptions receive
// MsgProto envelopes on a private inbox and acknowledge them to the inbox
// the server assigned. Durable subscriptions record their last acknowledged
// sequence in a DurableStore and resume after it.
package streaming
