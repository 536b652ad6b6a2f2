// Package mongo implements the store on MongoDB with the official v2
// driver. Suitable for distributed deployments requiring horizontal scaling
// and flexible schema evolution.
//
// Step and run transitions are optimistic: each document carries a
// revision that a replace must match. Tasks are claimed with
// FindOneAndUpdate, and run and step locks are lease documents with an
// expiry renewed while held.
//
//	s, err := mongo.Connect(ctx, "mongodb://localhost:27017", "orchestra")
//	if err != nil { ... }
//	defer s.Close()
//	if err := s.Migrate(ctx); err != nil { ... }
package mongo
