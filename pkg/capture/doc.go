// Package capture acquires local camera, microphone and screen media as
// pion local tracks.
package capture
