// Package history reads recent signals from PostgreSQL.
//
// It is used once at startup to pre-load the feed so that the status API has
// something to show before the stream delivers its first signal. Rows are
// expected in a table shaped like:
//
//	CREATE TABLE signals (
//	    id          TEXT,
//	    symbol      TEXT NOT NULL,
//	    direction   TEXT NOT NULL,
//	    price       DOUBLE PRECISION NOT NULL,
//	    confidence  DOUBLE PRECISION NOT NULL,
//	    ts          TIMESTAMPTZ NOT NULL,
//	    stop_loss   DOUBLE PRECISION,
//	    take_profit DOUBLE PRECISION,
//	    volume      DOUBLE PRECISION,
//	    timeframe   TEXT
//	);
package history
