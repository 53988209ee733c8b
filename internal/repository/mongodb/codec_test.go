package mongodb

import (
	"bytes"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsonrw"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/pratikpakhale/poultry/internal/domain/models"
)

func marshal(t *testing.T, v any) bson.Raw {
	t.Helper()
	buf := new(bytes.Buffer)
	vw, err := bsonrw.NewBSONValueWriter(buf)
	require.NoError(t, err)
	enc, err := bson.NewEncoder(vw)
	require.NoError(t, err)
	require.NoError(t, enc.SetRegistry(newRegistry()))
	require.NoError(t, enc.Encode(v))
	return bson.Raw(buf.Bytes())
}

func unmarshal(t *testing.T, raw bson.Raw, out any) {
	t.Helper()
	dec, err := bson.NewDecoder(bsonrw.NewBSONDocumentReader(raw))
	require.NoError(t, err)
	require.NoError(t, dec.SetRegistry(newRegistry()))
	require.NoError(t, dec.Decode(out))
}

func TestDecimalCodec_StoresDecimal128(t *testing.T) {
	paid := decimal.RequireFromString("412.50")
	sale := &models.EggsSale{
		RecordMeta: models.RecordMeta{ID: primitive.NewObjectID(), Date: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)},
		Quantity:   150,
		Rate:       decimal.RequireFromString("537.25"),
		AmountPaid: &paid,
	}

	raw := marshal(t, sale)

	assert.Equal(t, bsontype.Decimal128, raw.Lookup("rate").Type)
	assert.Equal(t, bsontype.Decimal128, raw.Lookup("amountPaid").Type)
	assert.Equal(t, bsontype.Int64, raw.Lookup("quantity").Type)
	_, hasMeta := raw.Lookup("RecordMeta").DocumentOK()
	assert.False(t, hasMeta, "record meta must be inlined")

	var out models.EggsSale
	unmarshal(t, raw, &out)
	assert.True(t, sale.Rate.Equal(out.Rate))
	require.NotNil(t, out.AmountPaid)
	assert.True(t, paid.Equal(*out.AmountPaid))
	assert.Equal(t, sale.ID, out.ID)
}

func TestDecimalCodec_DecodesLegacyNumbers(t *testing.T) {
	raw, err := bson.Marshal(bson.M{"name": "Corn", "quantity": 12.5, "unit": "kg"})
	require.NoError(t, err)

	var m models.Material
	unmarshal(t, raw, &m)
	assert.True(t, decimal.RequireFromString("12.5").Equal(m.Quantity))

	raw, err = bson.Marshal(bson.M{"name": "Ravi", "balance": int32(-40)})
	require.NoError(t, err)
	var c models.Customer
	unmarshal(t, raw, &c)
	assert.True(t, decimal.NewFromInt(-40).Equal(c.Balance))

	raw, err = bson.Marshal(bson.M{"name": "Ravi", "balance": "17.75"})
	require.NoError(t, err)
	unmarshal(t, raw, &c)
	assert.True(t, decimal.RequireFromString("17.75").Equal(c.Balance))
}

func TestCounterUpdate(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	flock := models.AggregateRef{Kind: models.EntityFlock, ID: primitive.NewObjectID()}
	material := models.AggregateRef{Kind: models.EntityMaterial, ID: primitive.NewObjectID()}

	filter, update, err := counterUpdate(models.Delta{Ref: flock, Field: models.FieldQuantity, Amount: decimal.NewFromInt(-20)}, true, now)
	require.NoError(t, err)
	assert.Equal(t, bson.M{"_id": flock.ID, "quantity": bson.M{"$gte": int64(20)}}, filter)
	assert.Equal(t, bson.M{"$inc": bson.M{"quantity": int64(-20)}, "$set": bson.M{"updatedAt": now}}, update)

	filter, update, err = counterUpdate(models.Delta{Ref: material, Field: models.FieldQuantity, Amount: decimal.RequireFromString("-2.5")}, false, now)
	require.NoError(t, err)
	assert.Equal(t, bson.M{"_id": material.ID}, filter)
	inc := update["$inc"].(bson.M)["quantity"].(primitive.Decimal128)
	assert.Equal(t, "-2.5", inc.String())

	// increments are never guarded
	filter, _, err = counterUpdate(models.Delta{Ref: material, Field: models.FieldQuantity, Amount: decimal.NewFromInt(4)}, true, now)
	require.NoError(t, err)
	assert.Equal(t, bson.M{"_id": material.ID}, filter)

	// a negative balance is money owed, not missing stock
	customer := models.AggregateRef{Kind: models.EntityCustomer, ID: primitive.NewObjectID()}
	filter, _, err = counterUpdate(models.Delta{Ref: customer, Field: models.FieldBalance, Amount: decimal.NewFromInt(-100)}, true, now)
	require.NoError(t, err)
	assert.Equal(t, bson.M{"_id": customer.ID}, filter)

	filter, _, err = counterUpdate(models.Delta{Ref: flock, Field: models.FieldMortality, Amount: decimal.NewFromInt(-1)}, true, now)
	require.NoError(t, err)
	assert.Equal(t, bson.M{"_id": flock.ID}, filter)

	_, _, err = counterUpdate(models.Delta{Ref: material, Field: models.FieldBalance, Amount: decimal.NewFromInt(1)}, false, now)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestBuildRecordFilter(t *testing.T) {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)
	flock := primitive.NewObjectID()

	filter := buildRecordFilter(models.Query{From: &from, To: &to, Equals: map[string]any{"flock": flock}})

	assert.Equal(t, bson.M{
		"status":  models.StatusApplied,
		"deleted": false,
		"date":    bson.M{"$gte": from, "$lte": to},
		"flock":   flock,
	}, filter)

	cutoff := to.Add(time.Hour)
	filter = buildRecordFilter(models.Query{Status: models.StatusPending, IncludeDeleted: true, CreatedBefore: &cutoff})
	assert.Equal(t, bson.M{"status": models.StatusPending, "createdAt": bson.M{"$lt": cutoff}}, filter)
}
