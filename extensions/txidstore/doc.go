// Package txidstore provides a database/sql backed x402.ProofStore.
//
// # Overview
//
// The in-memory x402.ProofCache forgets every consumed transaction id when the
// process restarts, and it cannot be shared between replicas. SQLStore keeps
// the same reserve / commit / release semantics in a single table, so a proof
// that bought a response is refused by every gateway instance that shares the
// database.
//
// # Usage
//
//	db, err := sql.Open("postgres", dsn)
//	store := txidstore.New(db)
//	if err := store.Migrate(ctx); err != nil { ... }
//	gateway := x402http.NewGateway(requirement,
//	    x402http.WithVerifier(verifier),
//	    x402http.WithProofStore(store),
//	)
//
// The queries use $N placeholders and INSERT ... ON CONFLICT, which both
// PostgreSQL and SQLite accept. The driver is chosen by the caller.
package txidstore
