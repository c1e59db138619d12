// Package listing turns the SIS StationXML directory listing into station
// records.
//
// The listing is an HTML page with one table. Each data row has five cells:
// description, file link, last modified, start date and end date. Only the
// link and the last modified cells are read. ParseTimestamp converts the
// "YYYY-M-D H:MM" UTC stamps into epoch seconds.
package listing
