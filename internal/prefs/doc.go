// Package prefs writes typed values into the system-wide preference domain
// of the Privileges app through the `defaults` tool. Array appends use
// exact-element membership so a username that is a substring of another never
// suppresses an append.
package prefs
