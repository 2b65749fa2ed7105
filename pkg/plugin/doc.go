// Package plugin maps task payloads to executable plans. A registry orders
// plugins by priority and the first match wins: code projects run their
// entry script, rule projects seed the crawl queue then launch the crawler,
// render projects drive the headless renderer. Plugins validate payloads
// before planning and never see unfiltered environment variables.
package plugin
