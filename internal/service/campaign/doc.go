// Package campaign is the entry point for sending a campaign. It prechecks
// the request against the stored campaign and hands it to the dispatch job
// queue; the worker does the actual send.
//
// The production repository is repository/postgres; tests use
// repository/memory.
package campaign
