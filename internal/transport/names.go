package transport

import "github.com/brianvoe/gofakeit/v7"

// randomDisplayName picks the human-readable peer name announced in room
// broadcasts and used to address signaling messages.
func randomDisplayName() string {
	return gofakeit.Name()
}
