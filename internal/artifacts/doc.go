// Package artifacts stores finished render outputs. Files land in a local
// root first and are uploaded to S3 when a bucket is configured; a failed
// upload degrades to the local locator instead of failing the job.
package artifacts
