// Package queue holds the crawl-side shared abstractions: the priority-aware
// CrawlQueue, the URL-fingerprint DedupStore, and the batch ProgressStore.
// Each has an in-memory and a Redis implementation selected by configuration;
// the contracts are identical, only durability and distribution differ.
package queue
