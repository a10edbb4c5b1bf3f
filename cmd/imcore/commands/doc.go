// Package commands implements the imcore command-line client.
//
//	imcore login --account 10001 --server msf.example.com:8080 --server-key <hex>
//	imcore demo --duration 10s
//
// The password is read from --password or the IMCORE_PASSWORD environment
// variable. Captcha and device verification prompts are answered on the
// terminal. With --metrics-addr the session metrics are served over HTTP.
package commands
