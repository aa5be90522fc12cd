// Package scheduler hosts the background flows that start conversations
// without user input: the proactive scheduler, which occasionally reaches out
// during quiet stretches of the day, and the reminder scheduler, which fires
// user-declared events when they come due. Both inject synthetic trigger
// turns into the same pipeline that handles real messages, so generation,
// pacing, and persistence behave identically.
package scheduler
