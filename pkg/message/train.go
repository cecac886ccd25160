package message

import (
	"strconv"
	"strings"

	"github.com/Metaphorme/railsync/pkg/models"
)

// 列车块：`<number> <speed> <distance> <tileX> <tileZ> <x> <z> <direction> <lead>\t<cars>`
// 车辆：`"<path>"\r<id>\r<flip>\r<length>\r<freight-anim>`，多辆车以 \t 连接。

func encodeCar(b *strings.Builder, c models.Car) {
	b.WriteByte('"')
	b.WriteString(c.Path)
	b.WriteString("\"\r")
	b.WriteString(c.ID)
	b.WriteByte('\r')
	if c.Flipped {
		b.WriteByte('1')
	} else {
		b.WriteByte('0')
	}
	b.WriteByte('\r')
	b.WriteString(formatFloat(c.Length))
	b.WriteByte('\r')
	b.WriteString(c.FreightAnim)
}

func encodeCars(cars []models.Car) string {
	var b strings.Builder
	for i, c := range cars {
		if i > 0 {
			b.WriteByte('\t')
		}
		encodeCar(&b, c)
	}
	return b.String()
}

func decodeCar(tag, s string) (models.Car, error) {
	parts := strings.Split(s, "\r")
	if len(parts) != 5 {
		return models.Car{}, malformed(tag, "car has %d fields, want 5", len(parts))
	}
	path := parts[0]
	if len(path) < 2 || path[0] != '"' || path[len(path)-1] != '"' {
		return models.Car{}, malformed(tag, "car path %q is not quoted", path)
	}
	c := models.Car{
		Path:        path[1 : len(path)-1],
		ID:          parts[1],
		FreightAnim: parts[4],
	}
	switch parts[2] {
	case "0":
	case "1":
		c.Flipped = true
	default:
		return models.Car{}, malformed(tag, "car flip %q", parts[2])
	}
	length, err := strconv.ParseFloat(parts[3], 64)
	if err != nil {
		return models.Car{}, malformed(tag, "car length %q", parts[3])
	}
	c.Length = length
	if c.ID == "" {
		return models.Car{}, malformed(tag, "car without id")
	}
	return c, nil
}

func decodeCars(tag, s string) ([]models.Car, error) {
	if s == "" {
		return nil, nil
	}
	var out []models.Car
	for _, part := range strings.Split(s, "\t") {
		c, err := decodeCar(tag, part)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func encodeTrainBlock(w *writer, t *models.Train) {
	w.int(t.Number)
	w.float(t.Speed)
	w.float(t.Distance)
	w.int(t.Pos.TileX)
	w.int(t.Pos.TileZ)
	w.float(t.Pos.X)
	w.float(t.Pos.Z)
	w.int(t.Direction)
	w.int(t.LeadLocomotive)
	w.sep('\t')
	w.raw(encodeCars(t.Cars))
}

func decodeTrainBlock(tag, s string) (models.Train, error) {
	head, cars, ok := strings.Cut(s, "\t")
	if !ok {
		return models.Train{}, malformed(tag, "train block without car list")
	}
	sc := newScanner(tag, head)
	t := models.Train{
		Number:   sc.int(),
		Speed:    sc.float(),
		Distance: sc.float(),
		Pos: models.Position{
			TileX: sc.int(),
			TileZ: sc.int(),
			X:     sc.float(),
			Z:     sc.float(),
		},
		Direction:      sc.int(),
		LeadLocomotive: sc.int(),
	}
	if err := sc.done(); err != nil {
		return models.Train{}, err
	}
	var err error
	if t.Cars, err = decodeCars(tag, cars); err != nil {
		return models.Train{}, err
	}
	if t.LeadLocomotive >= len(t.Cars) && len(t.Cars) > 0 || t.LeadLocomotive < -1 {
		return models.Train{}, malformed(tag, "lead index %d out of range", t.LeadLocomotive)
	}
	return t, nil
}

// sections 把消息体按分隔符切为恰好 n 段
func sections(tag, body string, sep string, n int) ([]string, error) {
	parts := strings.SplitN(body, sep, n)
	if len(parts) != n {
		return nil, malformed(tag, "want %d sections, got %d", n, len(parts))
	}
	return parts, nil
}
