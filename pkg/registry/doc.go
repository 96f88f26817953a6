// Package registry abstracts the service registry the placement core
// notifies as allocations come and go. Registration happens when an
// allocation reaches running and is withdrawn when it leaves.
package registry
