package qenv_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/quantbench/qenv"
)

func writeCSV(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	return path
}

func TestDefaultSchemaDiscovererInference(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		csv  string
		want []qenv.ColumnSpec
	}{
		"plain types": {
			csv: "id,price,sym\n1,1.5,ibm\n2,2.25,msft\n",
			want: []qenv.ColumnSpec{
				{Name: "id", Type: 'J'}, {Name: "price", Type: 'F'}, {Name: "sym", Type: 'S'},
			},
		},
		"integers widen to float on contradiction": {
			csv:  "v\n1\n2\n2.5\n",
			want: []qenv.ColumnSpec{{Name: "v", Type: 'F'}},
		},
		"numbers widen to symbol on text": {
			csv:  "v\n1\n2\nabc\n",
			want: []qenv.ColumnSpec{{Name: "v", Type: 'S'}},
		},
		"empty fields carry no information": {
			csv:  "a,b\n1,\n,2.5\n",
			want: []qenv.ColumnSpec{{Name: "a", Type: 'J'}, {Name: "b", Type: 'F'}},
		},
		"header only defaults to long": {
			csv:  "a,b\n",
			want: []qenv.ColumnSpec{{Name: "a", Type: 'J'}, {Name: "b", Type: 'J'}},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			path := writeCSV(t, "data.csv", tc.csv)
			d := &qenv.DefaultSchemaDiscoverer{}
			got, err := d.Discover(context.Background(), path)
			if err != nil {
				t.Fatalf("Discover() error: %v", err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("Discover() = %v, want %v", got, tc.want)
			}
			for i := range tc.want {
				if got[i] != tc.want[i] {
					t.Errorf("column %d = {%s %c}, want {%s %c}",
						i, got[i].Name, got[i].Type, tc.want[i].Name, tc.want[i].Type)
				}
			}
		})
	}
}

func TestDefaultSchemaDiscovererSampleBound(t *testing.T) {
	t.Parallel()

	// The contradicting row sits beyond the sample bound, so it must not
	// influence the inferred type.
	var b strings.Builder
	b.WriteString("v\n")
	for range 10 {
		b.WriteString("1\n")
	}
	b.WriteString("abc\n")
	path := writeCSV(t, "data.csv", b.String())

	d := &qenv.DefaultSchemaDiscoverer{SampleRows: 10}
	got, err := d.Discover(context.Background(), path)
	if err != nil {
		t.Fatalf("Discover() error: %v", err)
	}
	if got[0].Type != 'J' {
		t.Fatalf("type = %c, want J with the contradiction outside the sample", got[0].Type)
	}
}

func TestImportExpr(t *testing.T) {
	t.Parallel()

	t.Run("multiple columns", func(t *testing.T) {
		t.Parallel()

		expr := qenv.ImportExpr("trades", "/data/trades.csv", []qenv.ColumnSpec{
			{Name: "id", Type: 'J'}, {Name: "price", Type: 'F'}, {Name: "sym", Type: 'S'},
		})
		want := `trades:(` + "`$" + `"id";` + "`$" + `"price";` + "`$" + `"sym") xcol ("JFS";enlist csv) 0: ` + "`$" + `":/data/trades.csv"`
		if expr != want {
			t.Errorf("ImportExpr() = %q, want %q", expr, want)
		}
	})

	t.Run("single column needs enlist", func(t *testing.T) {
		t.Parallel()

		expr := qenv.ImportExpr("t", "/data/t.csv", []qenv.ColumnSpec{{Name: "v", Type: 'J'}})
		if !strings.HasPrefix(expr, `t:(enlist `+"`$"+`"v")`) {
			t.Errorf("ImportExpr() = %q, want enlist for a single column", expr)
		}
	})

	t.Run("odd column names survive quoting", func(t *testing.T) {
		t.Parallel()

		expr := qenv.ImportExpr("t", "/data/t.csv", []qenv.ColumnSpec{
			{Name: `weird "col" name`, Type: 'S'}, {Name: "b", Type: 'J'},
		})
		if !strings.Contains(expr, `\"col\"`) {
			t.Errorf("ImportExpr() = %q, want escaped quotes in the column name", expr)
		}
	})
}

func TestSessionReadCSV(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	sess, srv := newTestSession(t, newBackend())
	if err := sess.Start(ctx, qenv.StartReuse); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	path := writeCSV(t, "trades.csv", "id,price,sym\n1,1.5,ibm\n")
	if err := sess.ReadCSV(ctx, path, "trades"); err != nil {
		t.Fatalf("ReadCSV() error: %v", err)
	}

	exprs := srv.Exprs()
	last := exprs[len(exprs)-1]
	abs, _ := filepath.Abs(path)
	if !strings.HasPrefix(last, "trades:(") {
		t.Errorf("import expression %q does not assign the target table", last)
	}
	if !strings.Contains(last, `"JFS"`) {
		t.Errorf("import expression %q is missing the inferred types", last)
	}
	if !strings.Contains(last, `":`+abs+`"`) {
		t.Errorf("import expression %q is missing the source path", last)
	}
}

// staticDiscoverer returns a canned schema, recording delegation.
type staticDiscoverer struct {
	specs  []qenv.ColumnSpec
	called int
}

func (d *staticDiscoverer) Discover(context.Context, string) ([]qenv.ColumnSpec, error) {
	d.called++
	return d.specs, nil
}

func TestSessionReadCSVDelegatesDiscovery(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	disc := &staticDiscoverer{specs: []qenv.ColumnSpec{{Name: "only", Type: 'S'}}}
	sess, srv := newTestSession(t, newBackend(), qenv.WithSchemaDiscoverer(disc))
	if err := sess.Start(ctx, qenv.StartReuse); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	path := writeCSV(t, "x.csv", "whatever\n")
	if err := sess.ReadCSV(ctx, path, "t"); err != nil {
		t.Fatalf("ReadCSV() error: %v", err)
	}
	if disc.called != 1 {
		t.Fatalf("discoverer called %d times, want 1", disc.called)
	}
	exprs := srv.Exprs()
	if last := exprs[len(exprs)-1]; !strings.Contains(last, `enlist `+"`$"+`"only"`) {
		t.Fatalf("import expression %q ignores the injected schema", last)
	}
}
