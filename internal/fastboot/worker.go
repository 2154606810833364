package fastboot

import (
	log "github.com/sirupsen/logrus"

	"kbootd/internal/partition"
)

// flashWorker drains q until empty, streaming an append-offset cursor
// per destination path: the cursor resets to zero whenever the job's
// path differs from the previous job's, so a run of raw chunks against
// the same partition lands contiguously while switching partitions
// starts over.
func flashWorker(q *flashQueue, done chan<- struct{}) {
	var currentPath string
	var offset uint64
	haveCurrent := false

	for {
		job, ok := q.pop()
		if !ok {
			break
		}

		if !haveCurrent || job.path != currentPath {
			currentPath = job.path
			offset = 0
			haveCurrent = true
		}

		if err := partition.Flash(job.path, job.data, &offset); err != nil {
			log.Errorf("fastboot: flash %s failed: %v", job.path, err)
		}
	}

	q.markDrained()
	close(done)
}
