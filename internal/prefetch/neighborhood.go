package prefetch

// Neighborhood 返回以 index 为中心、半径 radius 的环形邻域下标：
// 中心在前，然后 +1、-1、+2、-2 ……，越界时首尾相接，结果去重。
func Neighborhood(n, index, radius int) []int {
	if n <= 0 {
		return nil
	}
	if radius < 0 {
		radius = 0
	}
	index = wrap(index, n)

	out := make([]int, 0, min(n, 2*radius+1))
	seen := make(map[int]struct{}, cap(out))
	add := func(i int) {
		i = wrap(i, n)
		if _, ok := seen[i]; ok {
			return
		}
		seen[i] = struct{}{}
		out = append(out, i)
	}

	add(index)
	for d := 1; d <= radius && len(out) < n; d++ {
		add(index + d)
		add(index - d)
	}
	return out
}

func wrap(i, n int) int {
	i %= n
	if i < 0 {
		i += n
	}
	return i
}
