package warehouse

import (
	"fmt"
	"strings"
)

var rowColumns = []string{ColumnID, ColumnInsert, ColumnData, ColumnHash}

// MergeStatement builds the standard SQL statement that appends new and
// changed staged rows to main.
//
// Staged duplicates of the same (identifier, hash) collapse to one row.
// A staged row is appended when main has no version of its identifier or
// when its hash differs from the hash of the current version, the one
// with the greatest insert timestamp. Rows already in main are never
// touched, so running the statement twice appends nothing the second time.
func MergeStatement(main, staging TableRef) string {
	id := quoteColumn(ColumnID)
	insert := quoteColumn(ColumnInsert)
	hash := quoteColumn(ColumnHash)

	return fmt.Sprintf(`INSERT INTO %[1]s (%[3]s)
WITH staged AS (
  SELECT %[3]s
  FROM %[2]s
  WHERE TRUE
  QUALIFY ROW_NUMBER() OVER (PARTITION BY %[4]s, %[6]s ORDER BY %[5]s DESC) = 1
),
latest AS (
  SELECT %[4]s, ARRAY_AGG(%[6]s ORDER BY %[5]s DESC, %[6]s DESC LIMIT 1)[OFFSET(0)] AS %[6]s
  FROM %[1]s
  GROUP BY %[4]s
)
SELECT %[7]s
FROM staged
LEFT JOIN latest ON latest.%[4]s = staged.%[4]s
WHERE latest.%[4]s IS NULL OR latest.%[6]s != staged.%[6]s`,
		main.Quoted(),
		staging.Quoted(),
		columnList(""),
		id,
		insert,
		hash,
		columnList("staged."),
	)
}

// LatestStatement selects the current version of every identifier in main.
// Versions sharing an insert timestamp are ordered by hash, not by when
// they were written, so among equal timestamps the winner is stable but
// not necessarily the most recent write.
func LatestStatement(main TableRef) string {
	return fmt.Sprintf(`SELECT %[2]s
FROM %[1]s
WHERE TRUE
QUALIFY ROW_NUMBER() OVER (PARTITION BY %[3]s ORDER BY %[4]s DESC, %[5]s DESC) = 1`,
		main.Quoted(),
		columnList(""),
		quoteColumn(ColumnID),
		quoteColumn(ColumnInsert),
		quoteColumn(ColumnHash),
	)
}

func columnList(prefix string) string {
	quoted := make([]string, len(rowColumns))
	for i, column := range rowColumns {
		quoted[i] = prefix + quoteColumn(column)
	}
	return strings.Join(quoted, ", ")
}
