// Package sitetosite is a client for the site-to-site bulk transfer protocol.
//
// A Client is built once from a validated Config and is safe for concurrent use.
// Each call to Client.CreateTransaction selects a non-penalized peer, leases a
// pooled connection to it (or opens and handshakes a new one) and returns a
// Transaction bound exclusively to that connection.
//
// A Transaction is used by a single goroutine and follows the state machine
//
//	STARTED -> DATA_EXCHANGED -> CONFIRMED -> COMPLETED | CANCELED
//
// with ERROR reachable from every non-terminal state.
// Send or Receive packets, then Confirm (which compares checksums with the
// peer), then Complete. Any transport failure moves the transaction to ERROR,
// discards its connection and penalizes the peer before the failure is
// returned as a *CommunicationError.
//
//	client, err := sitetosite.NewBuilder().
//		URL("http://cluster:8080").
//		PortName("ingest").
//		Build()
//	...
//	tx, err := client.CreateTransaction(ctx, sitetosite.Send)
//	...
//	err = tx.Send(sitetosite.NewDataPacket(attrs, content))
//	...
//	if err := tx.Confirm(); err != nil {
//		return err
//	}
//	return tx.Complete(false)
package sitetosite
