/*
Evaluation measures how long edits take to travel from one cosync client
through a relay to another client. It opens the same document twice, appends
elements through the first handle and records per edit the time until the
second handle applied it. Results are written as 'index, latency' lines.
*/
package main
