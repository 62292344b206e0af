// Package session keeps short-lived recovery snapshots of disconnected
// connections in Redis. A client reconnecting inside the recovery window
// presents its prior session id and is put back into the rooms it held.
package session
