package load

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/stretchr/testify/require"

	"github.com/vbyelov/turning-pages-etl/internal/staging"
	"github.com/vbyelov/turning-pages-etl/internal/storage"
)

// fakeFactRow returns one staged fact CSV line mixing valid values with every
// kind of defect the reloader classifies.
func fakeFactRow(f *gofakeit.Faker) string {
	pick := func(opts ...string) string { return opts[f.IntRange(0, len(opts)-1)] }

	isbn := pick("978-1", "978-1", "978-404", "")
	email := pick("a@x.com", "A@X.COM", "ghost@x.com", "NULL")
	code := pick("CC", "cc", "crypto", "")
	date := pick(
		fmt.Sprintf("202401%02d", f.IntRange(1, 31)),
		fmt.Sprintf("202402%02d", f.IntRange(1, 28)),
		"20240110.0", "-20240105", "n/a",
	)
	qty := pick(fmt.Sprint(f.IntRange(1, 9)), "0", "-2", "x")
	price := pick(fmt.Sprintf("%.2f", f.Float64Range(0, 80)), "0", "")
	order := pick("ORD-"+f.DigitN(6), "ORD-"+f.DigitN(6), "")
	ship := strings.ReplaceAll(f.Street(), ",", " ")
	if f.IntRange(0, 9) == 0 {
		ship = ""
	}
	return strings.Join([]string{isbn, email, code, date, qty, price, order, ship}, ",")
}

func TestReloadFacts_PartitionLawOnGeneratedRows(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	seedDims(t, h)
	lk, err := h.eng.BuildLookups(ctx)
	require.NoError(t, err)

	for _, seed := range []uint64{1, 7, 42} {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			f := gofakeit.New(seed)
			n := f.IntRange(50, 200)
			lines := []string{factHeader}
			for i := 0; i < n; i++ {
				lines = append(lines, fakeFactRow(f))
			}

			rep, err := h.eng.ReloadFacts(ctx, csvData(t, staging.EntityFact, lines...), lk)
			require.NoError(t, err)
			require.Equal(t, n, rep.Read)
			require.True(t, rep.Partitioned(), "%+v", rep)
			require.LessOrEqual(t, rep.FKMissing, rep.FKMissingPayment+rep.FKMissingBook+rep.FKMissingCustomer)

			stored, err := h.eng.Repo.CountRows(ctx, storage.TableFact)
			require.NoError(t, err)
			require.EqualValues(t, rep.Inserted, stored)

			// every stored fact references a live dimension row
			require.Equal(t, "0", h.scalar(t, `SELECT COUNT(*) FROM "Fact_Sales" f
				LEFT JOIN "Dim_Book" b ON b."BookSK" = f."BookSK"
				LEFT JOIN "Dim_Customer" c ON c."CustomerSK" = f."CustomerSK" AND c."IsCurrent" = 1
				LEFT JOIN "Dim_PaymentMethod" p ON p."PaymentMethodSK" = f."PaymentMethodSK"
				LEFT JOIN "Dim_Date" d ON d."DateSK" = f."DateSK"
				WHERE b."BookSK" IS NULL OR c."CustomerSK" IS NULL OR p."PaymentMethodSK" IS NULL OR d."DateSK" IS NULL`))
		})
	}
}
