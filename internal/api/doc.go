// Package api exposes the REST surface for submitting swarm collaborations,
// browsing payment history and analytics, flushing deferred payments and
// managing the tool catalogue.
package api
