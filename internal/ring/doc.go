// Package ring provides the lock-free single-producer/single-consumer update
// log that carries cross-domain message deliveries between channel endpoints.
//
// The log never overwrites: a producer that outruns the consumer gets ErrFull.
// Only one goroutine may call Add and only one may call Drain; a second
// producer is detected on the retry path and panics with *MisuseError.
//
// Example Usage:
//
//	log, _ := ring.NewLog[record](16, nil)
//	_ = log.Add(func(r *record) { r.offset = 128 })
//	log.Drain(func(r *record) { deliver(*r) })
package ring
