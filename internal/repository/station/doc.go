// Package station implements persistence for station records.
//
// Records live in the xml_update table, keyed by StationXML file name. Two
// backends share the Repository interface: PostgresRepository on a pgx pool
// and SQLiteRepository on database/sql with the go-sqlite3 driver. Writes are
// per record; a failing record is logged and left out of the returned slice.
package station
