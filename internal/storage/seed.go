package storage

// DefaultJokes populates an empty database on first start.
var DefaultJokes = []string{
	"Chuck Norris counted to infinity. Twice.",
	"Chuck Norris can divide by zero.",
	"Chuck Norris does not sleep. He waits.",
	"Chuck Norris can slam a revolving door.",
	"When Chuck Norris enters a room, he does not turn the lights on. He turns the dark off.",
	"Chuck Norris can unscramble an egg.",
	"Chuck Norris's keyboard has no Escape key. Nobody escapes Chuck Norris.",
	"Chuck Norris compiles his code by staring at it.",
	"Chuck Norris can kill two stones with one bird.",
	"Time waits for no man. Unless that man is Chuck Norris.",
	"Chuck Norris does not need garbage collection. Objects delete themselves when he looks at them.",
	"Chuck Norris writes code that optimizes itself.",
}
