// Package types defines the schema model, attribute values, actions, and
// configuration shared by the Horus synchronization client, along with its
// standard errors.
package types
