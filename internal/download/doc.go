// Package download fetches dist archives over HTTP.
//
// Redirects are followed by an explicit bounded loop instead of the HTTP
// client's implicit chasing, so a misconfigured mirror cannot send the
// downloader in circles. Bodies stream to a partial file that is renamed
// into place only once fully received; failures never leave a file that a
// later run could mistake for a complete archive.
package download
