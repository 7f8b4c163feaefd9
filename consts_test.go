package opcache

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyFor(t *testing.T) {
	assert.Equal(t, "App.Entity.User", KeyFor("App.Entity.User", EntityAspect()))
	assert.Equal(t, "App.Entity.User#m-getName", KeyFor("App.Entity.User", Aspect{Kind: AspectMember, Name: "getName"}))
	assert.Equal(t, "App.Entity.User#a-email", KeyFor("App.Entity.User", Aspect{Kind: AspectAttribute, Name: "email", Index: 3}))

	// 成员与属性同名时 Key 不同
	assert.NotEqual(t,
		KeyFor("User", Aspect{Kind: AspectMember, Name: "id"}),
		KeyFor("User", Aspect{Kind: AspectAttribute, Name: "id"}))
}

func TestKeyFor_Sanitized(t *testing.T) {
	safe := regexp.MustCompile(`^[A-Za-z0-9_.~-]+$`)

	names := []string{`\App\Entity\User`, "App/Entity/User", "App Entity", "App:Entity", "Ünïcode"}
	seen := make(map[string]string)
	for _, name := range names {
		key := KeyFor(name, EntityAspect())
		assert.Regexp(t, safe, key, "name %q", name)
		if prev, dup := seen[key]; dup {
			t.Errorf("%q and %q map to the same key %s", prev, name, key)
		}
		seen[key] = name
	}

	// 改写过的名字带上原始名字的 Hash，结果稳定
	assert.Equal(t, "App.Entity.User~"+ShortHash(`\App\Entity\User`), KeyFor(`\App\Entity\User`, EntityAspect()))
	assert.Equal(t, KeyFor("App Entity", EntityAspect()), KeyFor("App Entity", EntityAspect()))
}

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "App.Entity.User", NormalizeName(`\App\Entity\User`))
	assert.Equal(t, "App.Entity.User", NormalizeName("/App/Entity/User"))
	assert.Equal(t, "App.Entity.User", NormalizeName("App.Entity.User"))
	assert.Equal(t, "", NormalizeName(`\`))
}

func TestSetPrefix(t *testing.T) {
	defer SetPrefix(DefaultPrefix)

	SetPrefix("myapp")
	assert.Equal(t, "myapp:items", KeyItems())
	SetPrefix("other:")
	assert.Equal(t, "other:items", KeyItems())
}

func TestShortHash(t *testing.T) {
	assert.Len(t, ShortHash(""), 8)
	assert.Len(t, ShortHash("App.Entity.User"), 8)
	assert.Equal(t, ShortHash("x"), ShortHash("x"))
	assert.NotEqual(t, ShortHash("x"), ShortHash("y"))
}

func TestComputeValuesHash(t *testing.T) {
	a := map[string][]byte{"A": []byte("1"), "B": []byte("2")}
	b := map[string][]byte{"B": []byte("2"), "A": []byte("1")}
	assert.Equal(t, ComputeValuesHash(a), ComputeValuesHash(b))

	// Key 与值的边界不会混淆
	c := map[string][]byte{"A1": []byte(""), "B": []byte("2")}
	assert.NotEqual(t, ComputeValuesHash(a), ComputeValuesHash(c))
}
