package engine

// AudioBacklog returns the number of sample-track events still buffered.
func (e *Engine) AudioBacklog() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.audioEvents.Len()
}

// AudioOrigin returns the song clock the audio device's sample count starts at.
func (e *Engine) AudioOrigin() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return int64(e.ring.Origin())
}
