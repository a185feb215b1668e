// Package names derives stable, human-readable display names from opaque
// peer identifiers so feeds and logs show "thorny amber mongoose" instead
// of a base58 hash. The mapping is pure: the same peer ID always yields the
// same name on every node, with no registry to consult.
package names

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

var adjectives = []string{
	"agile", "amber", "arctic", "bold", "bristly", "burrowing", "camouflaged",
	"carnivorous", "chattering", "climbing", "coastal", "crested", "cunning",
	"darting", "dappled", "deadly", "deft", "dense", "downy", "durable",
	"eager", "elusive", "energetic", "feathered", "feline", "fierce",
	"finicky", "fleecy", "flightless", "foraging", "freckled", "frisky",
	"furry", "gentle", "gilded", "gliding", "graceful", "gregarious",
	"grunting", "hairy", "hardy", "hibernating", "horned", "howling", "huge",
	"hulking", "humming", "hunting", "insectivorous", "invisible", "keen",
	"lanky", "lazy", "leaping", "lightfooted", "lithe", "lively", "long",
	"loud", "lumbering", "majestic", "mammalian", "mangy", "marine",
	"meek", "mighty", "mimic", "miniature", "monstrous", "mottled", "mute",
	"nasty", "nimble", "nocturnal", "omnivorous", "padded", "pale",
	"peaceful", "peckish", "pesty", "placid", "plump", "polished", "pouncing",
	"prehistoric", "prickly", "purring", "quick", "quiet", "rabid", "raging",
	"rangy", "rapid", "ravenous", "reclusive", "regal", "restless", "roaring",
	"rough", "rugged", "scaly", "scampering", "scavenging", "screeching",
	"scruffy", "scurrying", "secretive", "shaggy", "sharp", "shifty",
	"shrewd", "silent", "silky", "singing", "sizable", "skilled", "skittish",
	"slender", "slimy", "slithering", "slow", "sly", "small", "smooth",
	"sneaky", "sniffing", "snorting", "soaring", "soft", "solitary",
	"speedy", "spotted", "sprightly", "squeaky", "squinting", "stalking",
	"stealthy", "stinging", "stinky", "stocky", "striped", "strong",
	"stubby", "sturdy", "subtle", "swift", "tall", "tame", "tangled",
	"tenacious", "thorny", "thriving", "timid", "tiny", "toothy", "tough",
	"tricky", "tropical", "twitchy", "unseen", "untamed", "vicious",
	"vigilant", "vocal", "voracious", "waddling", "wary", "webbed", "whiskered",
	"whistling", "wild", "wily", "winged", "wiry", "wise", "yapping",
}

var animals = []string{
	"aardvark", "albatross", "alligator", "alpaca", "anaconda", "anteater",
	"antelope", "armadillo", "badger", "barracuda", "bat", "beaver", "bee",
	"bison", "boar", "bobcat", "buffalo", "butterfly", "camel", "capybara",
	"caribou", "cassowary", "cat", "caterpillar", "chameleon", "cheetah",
	"chicken", "chimpanzee", "chinchilla", "cobra", "cockatoo", "condor",
	"cougar", "coyote", "crane", "crocodile", "crow", "deer", "dingo",
	"dinosaur", "dolphin", "donkey", "dove", "dragonfly", "duck", "eagle",
	"eel", "elephant", "elk", "emu", "falcon", "ferret", "finch", "flamingo",
	"fox", "frog", "gazelle", "gecko", "gerbil", "gibbon", "giraffe", "gnu",
	"goat", "goose", "gorilla", "grasshopper", "grouse", "gull", "hamster",
	"hare", "hawk", "hedgehog", "heron", "hippo", "hornet", "horse",
	"hummingbird", "hyena", "ibis", "iguana", "impala", "jackal", "jaguar",
	"jay", "jellyfish", "kangaroo", "kingfisher", "kiwi", "koala",
	"komodo", "lemur", "leopard", "lion", "lizard", "llama", "lobster",
	"locust", "lynx", "macaque", "macaw", "magpie", "mallard", "mandrill",
	"manatee", "marmot", "meerkat", "mink", "mole", "mongoose", "monkey",
	"moose", "mosquito", "mouse", "mule", "narwhal", "newt", "nightingale",
	"ocelot", "octopus", "opossum", "orangutan", "ostrich", "otter", "owl",
	"ox", "panda", "pangolin", "panther", "parrot", "peacock", "pelican",
	"penguin", "pheasant", "pig", "pigeon", "piranha", "platypus",
	"porcupine", "porpoise", "puffin", "puma", "python", "quail", "rabbit",
	"raccoon", "ram", "rat", "raven", "reindeer", "rhino", "robin",
	"rooster", "salamander", "salmon", "scorpion", "seahorse", "seal",
	"shark", "sheep", "shrew", "skunk", "sloth", "snail", "snake", "sparrow",
	"spider", "squid", "squirrel", "stingray", "stork", "swan", "tamarin",
	"tapir", "termite", "tiger", "toad", "toucan", "tortoise", "turkey",
	"turtle", "viper", "vulture", "wallaby", "walrus", "warthog", "wasp",
	"weasel", "whale", "wolf", "wolverine", "wombat", "woodpecker", "worm",
	"yak", "zebra",
}

// FromPeerID maps a peer identifier to its display name. It falls back to
// the raw identifier only for empty input.
func FromPeerID(peerID string) string {
	if peerID == "" {
		return peerID
	}
	sum := blake2b.Sum256([]byte(peerID))
	a := binary.BigEndian.Uint64(sum[0:8]) % uint64(len(adjectives))
	b := binary.BigEndian.Uint64(sum[8:16]) % uint64(len(adjectives))
	c := binary.BigEndian.Uint64(sum[16:24]) % uint64(len(animals))
	return fmt.Sprintf("%s %s %s", adjectives[a], adjectives[b], animals[c])
}
