// Package extractqueue manages weather data extraction tasks.
//
// Applications create an ExtractionQueue and add Tasks to it. Each task
// describes which observations to fetch: a station, a date range and a
// data source. Tasks have one of four priorities. The queue hands out
// urgent tasks first, and tasks of the same priority in the order they
// were created.
//
// Internally, the queue has four collections and every task is in exactly
// one of them. There are the pending tasks, waiting in priority order.
// Next moves the first pending task into processing. The caller then runs
// the extraction and reports the outcome: Complete stores the result and
// moves the task to the completed tasks, Fail records the error. A failed
// task is put back into the pending tasks if the caller asks for a retry
// and the task has retries left. Otherwise it is moved to the failed tasks,
// where it stays until the queue is cleared.
//
// A retried task keeps its original creation time, so it goes back to
// where it was among tasks of the same priority instead of to the end.
//
// The queue itself never starts goroutines and never blocks: Next returns
// immediately if no task is pending. By default, all operations are
// guarded by a single mutex. Use SetThreadSafe(false) if the caller
// serializes access anyway.
//
// A Manager implements the usual consumer loop on top of a queue. It polls
// for pending tasks, runs an Extractor for each of them in a fixed number
// of workers, and reports results and errors back to the queue.
//
// Consumers can watch task events with Watch, or have them published to
// Redis with a RedisPublisher.
package extractqueue
