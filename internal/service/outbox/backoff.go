package outbox

import "time"

// Backoff возвращает паузу перед следующей попыткой: base·2^(attempts-1), не больше max.
// max <= 0 снимает ограничение.
func Backoff(base, max time.Duration, attempts int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempts < 1 {
		attempts = 1
	}

	const maxDuration = time.Duration(1<<63 - 1)
	delay := base
	for i := 1; i < attempts; i++ {
		if delay > maxDuration/2 {
			delay = maxDuration
			break
		}
		delay *= 2
		if max > 0 && delay >= max {
			break
		}
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}
