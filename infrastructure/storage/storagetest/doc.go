// Package storagetest holds behavioral suites shared by every index,
// ledger and blob backend implementation.
package storagetest
